// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/depotdock/depotdock/cmd/depotdock"

func main() {
	cmd.Execute()
}
