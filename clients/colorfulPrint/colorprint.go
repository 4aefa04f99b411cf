package colorfulprint

import (
	"fmt"
	"log"
	"os"
)

const (
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorReset  = "\033[0m"
)

// colors are dropped when NO_COLOR is set, e.g. under systemd/journald
var plain = os.Getenv("NO_COLOR") != ""

func paint(color, text string) string {
	if plain {
		return text
	}
	return color + text + ColorReset
}

// PrintError logs text in red and returns it as an error wrapping err,
// so call sites can write `return colorfulprint.PrintError(...)`.
func PrintError(text string, err error) error {
	if err == nil {
		log.Println(paint(ColorRed, text))
		return fmt.Errorf("%s", text)
	}
	log.Printf("%s: %v", paint(ColorRed, text), err)
	return fmt.Errorf("%s: %w", text, err)
}

func PrintWarn(text string) {
	log.Println(paint(ColorYellow, text))
}

func PrintState(text string) {
	log.Println(paint(ColorGreen, text))
}

func PrintInfo(text string) {
	log.Println(paint(ColorBlue, text))
}
