// Command voidsyncd runs the gatekeeper daemon: it accepts proposed changes
// from autonomous agents, validates and stages them, and only ever touches
// the production workspace once an operator approves.
package main

func main() {
	Execute()
}
