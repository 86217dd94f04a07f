//go:build !linux

package publisher

func exchange(_, _ string) (bool, error) {
	return false, nil
}
