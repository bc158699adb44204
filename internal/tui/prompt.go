package tui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	input  io.Reader = os.Stdin
	output io.Writer = os.Stderr

	// shared so consecutive prompts do not lose buffered input
	inputReader *bufio.Reader
)

func reader() *bufio.Reader {
	if inputReader == nil {
		inputReader = bufio.NewReader(input)
	}
	return inputReader
}

// ReadLine reads a line of input
func ReadLine(prompt string) (string, error) {
	fmt.Fprint(output, prompt)

	line, err := reader().ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ReadLineDefault reads a line with a default value
func ReadLineDefault(prompt, defaultValue string) (string, error) {
	if defaultValue != "" {
		prompt = fmt.Sprintf("%s [%s]: ", strings.TrimSuffix(prompt, ": "), defaultValue)
	}

	line, err := ReadLine(prompt)
	if err != nil {
		return "", err
	}
	if line == "" {
		return defaultValue, nil
	}
	return line, nil
}

// Confirm prompts for a yes/no confirmation
func Confirm(prompt string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	response, err := ReadLine(fmt.Sprintf("%s %s ", prompt, hint))
	if err != nil {
		return false, err
	}

	switch strings.ToLower(response) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return defaultYes, nil
}
