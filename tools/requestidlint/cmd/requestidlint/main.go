package main

import (
	"github.com/flyingrobots/dubcast-job-server/tools/requestidlint"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(requestidlint.Analyzer)
}
