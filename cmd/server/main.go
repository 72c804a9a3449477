// Command server runs the skin lesion ensemble as an HTTP API or a one-shot CLI.
package main

func main() {
	if err := Execute(); err != nil {
		fatalError("Command failed", err)
	}
}
