package main

import "github.com/pysugar/session-mux/internal/app"

func main() {
	app.Execute()
}
