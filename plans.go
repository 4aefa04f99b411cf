package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxPlanMonths   = 3
	invoiceCurrency = "RUB"
)

var errBadPayload = errors.New("malformed invoice payload")

// planPrice is the price in kopecks: every extra month takes another 5%
// off the monthly rate.
func planPrice(perMonth, months int) int {
	return perMonth * (100 - 5*(months-1)) * months / 100
}

func formatRubles(kopecks int) string {
	if kopecks%100 == 0 {
		return fmt.Sprintf("%d ₽", kopecks/100)
	}
	return fmt.Sprintf("%d.%02d ₽", kopecks/100, kopecks%100)
}

type invoice struct {
	chatID int64
	months int
}

func invoicePayload(chatID int64, months int) string {
	return fmt.Sprintf("%d:%d", chatID, months)
}

func parseInvoicePayload(s string) (invoice, error) {
	chat, months, ok := strings.Cut(s, ":")
	if !ok {
		return invoice{}, fmt.Errorf("%w: %q", errBadPayload, s)
	}
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return invoice{}, fmt.Errorf("%w: %q", errBadPayload, s)
	}
	m, err := strconv.Atoi(months)
	if err != nil || m < 1 || m > maxPlanMonths {
		return invoice{}, fmt.Errorf("%w: %q", errBadPayload, s)
	}
	return invoice{chatID: id, months: m}, nil
}
