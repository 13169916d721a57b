package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"chainwatch/kyt"
)

// promptTransaction interactively fills the fields of tx left unset by flags.
func promptTransaction(reader *bufio.Reader, w io.Writer, tx *kyt.Transaction) error {
	if tx.From == "" {
		tx.From = promptString(reader, w, "From address", false, "")
	}
	if tx.To == "" {
		tx.To = promptString(reader, w, "To address", tx.From == "", "")
	}
	if tx.TxHash == "" {
		tx.TxHash = promptString(reader, w, "Transaction hash", false, "")
	}
	if tx.ValueUSD == 0 {
		v, err := promptFloat(reader, w, "Value (USD)", "0")
		if err != nil {
			return err
		}
		tx.ValueUSD = v
	}
	if tx.RiskScore == 0 {
		v, err := promptFloat(reader, w, "Risk score (0-1)", "0")
		if err != nil {
			return err
		}
		tx.RiskScore = v
	}
	if len(tx.Labels) == 0 {
		if labels := promptString(reader, w, "Labels (comma-separated)", false, ""); labels != "" {
			for _, l := range strings.Split(labels, ",") {
				if l = strings.TrimSpace(l); l != "" {
					tx.Labels = append(tx.Labels, l)
				}
			}
		}
	}
	return nil
}

// promptString prompts for a string value
func promptString(reader *bufio.Reader, w io.Writer, prompt string, required bool, defaultValue string) string {
	for {
		if defaultValue != "" {
			fmt.Fprintf(w, "%s [%s]: ", prompt, defaultValue)
		} else if required {
			fmt.Fprintf(w, "%s (required): ", prompt)
		} else {
			fmt.Fprintf(w, "%s: ", prompt)
		}

		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if err != nil && input == "" {
			if err != io.EOF {
				errorColor.Fprintf(w, "Error reading input: %v\n", err)
			}
			return defaultValue
		}

		if input == "" {
			if defaultValue != "" {
				return defaultValue
			}
			if !required {
				return ""
			}
			errorColor.Fprintln(w, "This field is required")
			continue
		}

		return input
	}
}

func promptFloat(reader *bufio.Reader, w io.Writer, prompt, defaultValue string) (float64, error) {
	s := promptString(reader, w, prompt, false, defaultValue)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %q", strings.ToLower(prompt), s)
	}
	return v, nil
}
