//go:build !linux

package datasource

import "os"

func fadviseSequential(*os.File) error { return nil }
