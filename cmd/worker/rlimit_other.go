//go:build !unix

package main

func limitAddressSpace(int64) error { return nil }
