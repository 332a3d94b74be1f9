//go:build !linux

package engine

func adviseRead(f any, size int64, directIO bool) {}

func adviseDone(f any, size int64, directIO bool) {}
