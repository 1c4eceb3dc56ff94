package main

import "github.com/medcardhq/cardauthd/cmd/cardauthd/cmd"

func main() {
	cmd.Execute()
}
