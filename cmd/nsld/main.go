// Command nsld mediates name-service and PAM lookups between local
// callers and a remote LDAP directory, speaking nslcd's framed binary
// protocol over a Unix-domain socket.
package main

import "github.com/nsld/nsld/cmd/nsld/commands"

func main() {
	commands.Execute()
}
