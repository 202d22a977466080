// Package document defines raw stream documents, the indexable documents the
// transform stage produces, and the control documents carried in the stream.
//
// Control documents are ordinary stream documents whose CMD field is "alter"
// or "bulkload". They are addressed to one partition through build_id.
package document
