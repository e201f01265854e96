//go:build linux

package logger

const ioctlGetTermios = 0x5401 // TCGETS
