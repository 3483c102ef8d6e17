//go:build !extentdebug

package xdebug

const debugBuild = false
