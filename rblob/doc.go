// Package rblob leverages the gocloud.dev/blob package and provides a
// txrelay.CursorStore persisting each relay cursor as a small json blob.
//
// Any gocloud bucket url is supported, ex. "file:///var/lib/txrelay",
// "mem://" or "s3://my-bucket?region=eu-west-1". See
// https://gocloud.dev/concepts/urls/ and https://gocloud.dev/howto/blob/.
// The driver packages must be imported by the caller.
package rblob
