// Command acctlinkd serves the account-linking engine to a login pipeline
// runtime over HTTP.
package main

func main() {
	Execute()
}
