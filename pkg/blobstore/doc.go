/*
Package blobstore implements the repository core's blob-store abstraction
(spec.md §6) plus two concrete backends.

FSStore lays blobs out directly on a local filesystem, one file per blob
name, directories created lazily. It is the adaptation of the teacher's
pkg/volume local driver: where that driver managed one directory per
container volume, FSStore manages one file per content-addressed blob name
underneath an arbitrary container path, and adds the fail-if-exists and
list-by-prefix operations the generation protocol depends on.

MemStore is an in-memory backend for unit and property tests; it is not
meant for production use.
*/
package blobstore
