package main

import (
	"github.com/alecthomas/kong"
)

var cli struct {
	Sync `cmd:"" help:"Incrementally copy new rows from a source SQL Server database into a target."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}
