// Package prompt provides the interactive terminal prompts phobosctl
// uses for confirmations and secrets.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user interrupts a prompt.
var ErrAborted = errors.New("aborted")

// Confirm asks a yes/no question. Ctrl+C aborts.
func Confirm(label string, defaultYes bool) (bool, error) {
	def := "y/N"
	if defaultYes {
		def = "Y/n"
	}
	p := promptui.Prompt{
		Label:     fmt.Sprintf("%s [%s]", label, def),
		IsConfirm: true,
	}
	result, err := p.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			return false, ErrAborted
		}
		if err == promptui.ErrAbort {
			return false, nil
		}
		if result == "" {
			return defaultYes, nil
		}
		return false, err
	}
	result = strings.ToLower(result)
	return result == "y" || result == "yes", nil
}

// Password reads a secret without echoing it.
func Password(label string) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}
	result, err := p.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			return "", ErrAborted
		}
		return "", err
	}
	return result, nil
}

// Select picks one item from a list.
func Select(label string, items []string) (string, error) {
	p := promptui.Select{
		Label: label,
		Items: items,
	}
	_, result, err := p.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			return "", ErrAborted
		}
		return "", err
	}
	return result, nil
}
