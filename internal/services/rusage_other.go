//go:build !unix

package services

import "os"

func peakMemoryMB(*os.ProcessState) float64 { return 0 }
