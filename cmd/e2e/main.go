package main

import "os"

func main() {
	root := newRoot()
	rootCmd := root.Command()
	rootCmd.AddCommand(newSmoke(root).Command())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
