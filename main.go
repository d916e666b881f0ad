package main

import "crdt-sync/app"

func main() {
	app.Execute()
}
