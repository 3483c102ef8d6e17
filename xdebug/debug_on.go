//go:build extentdebug

package xdebug

const debugBuild = true
