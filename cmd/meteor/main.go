package main

import "github.com/ivneld/Meteor-PKI/cmd/meteor/cmd"

func main() {
	cmd.Execute()
}
