// Package textmatch normalizes titles, agencies and URLs so that the same
// regulatory update can be recognized across sources, digests and the
// archive.
//
// Normalization folds accents (NFKD, combining marks removed), lowercases,
// and collapses every run of non-alphanumeric characters to one space.
// Similarity is a normalized Levenshtein ratio in [0, 1].
package textmatch
