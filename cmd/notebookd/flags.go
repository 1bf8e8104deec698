package main

import "time"

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Port           int
	Python         string
	WorkDir        string
	Args           string
	Env            []string
	UseNotebook    bool
	UseNotebookSet bool
	OpenFile       string
}

type StatusFlags struct {
	Watch    bool
	Interval time.Duration
}
