// Package logger provides adapters for popular logger libraries to work with btfile's Logger interface.
//
// The adapters allow you to use your existing logger with btfile without writing boilerplate.
// Note that the standard library's slog.Logger already implements btfile.Logger directly.
//
// Example with zap:
//
//	import (
//	    "btfile"
//	    "btfile/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    tree, err := btfile.Open("data.bt", 32, 64, btfile.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer tree.Close()
//	}
package logger
