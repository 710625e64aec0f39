// Package assets loads the public asset bundle and serves it.
//
// The bundle hash lives in an SSM parameter. The bundle itself is the S3
// object {prefix}/{hash}.tar.gz, checked against that hash and, when a
// signing key is configured, against a KMS signature stored next to it as
// {hash}.tar.gz.sig. Verified bundles are unpacked into memory and published
// through a Manager; the Handler always serves the current snapshot and a
// Watcher can swap in new ones while the process runs.
package assets
