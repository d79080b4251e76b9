//go:build !linux

package workerpool

// pinWorker is a no-op where CPU affinity is unsupported.
func pinWorker(int) error { return nil }
