//go:build !linux && !darwin

package go_pathtrace

func setSockOptReceiveErr(fd int) error {
	return nil
}
