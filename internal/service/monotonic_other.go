//go:build !linux

package service

func monotonicUsec() int64 { return 0 }
