//go:build !unix

package monitor

func freeSpace(string) (uint64, error) {
	return 0, ErrUnsupported
}
