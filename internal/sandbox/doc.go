// Package sandbox defines the common interface that all sandbox runtimes
// (Firecracker microVMs, plain non-isolated subprocesses) must implement,
// along with the launch types exchanged between the load pipeline and
// runtime implementations.
package sandbox
