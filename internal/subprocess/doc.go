// Package subprocess is the ownership layer between the load pipeline and
// the sandbox runtimes. A Handle is one sandboxed subprocess with an
// asynchronous start and a blocking, idempotent shutdown; a Slot owns at
// most one Handle and never installs a replacement without first shutting
// the previous occupant down to completion.
package subprocess
