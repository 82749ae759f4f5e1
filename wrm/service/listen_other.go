//go:build !unix

package service

import "syscall"

func setReuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
