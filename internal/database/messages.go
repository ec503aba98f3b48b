package database

// IsMessageProcessed reports whether an inbound message was already handled.
func (db *DB) IsMessageProcessed(messageID string) (bool, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM processed_messages WHERE message_id = ?", messageID).Scan(&n)
	return n > 0, err
}

// RecordProcessedMessage remembers an inbound message. Recording the same
// message twice keeps the first record and returns false.
func (db *DB) RecordProcessedMessage(messageID, sender, subject string, requested, succeeded int) (bool, error) {
	res, err := db.conn.Exec(
		`INSERT OR IGNORE INTO processed_messages (message_id, sender, subject, ids_requested, ids_succeeded)
		VALUES (?, ?, ?, ?, ?)`, messageID, sender, subject, requested, succeeded,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
