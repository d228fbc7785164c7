package models

import "strconv"

func formatKB(n int64) string {
	if n <= 0 {
		return "0K"
	}
	kb := n / 1024
	if n%1024 != 0 {
		kb++
	}
	return strconv.FormatInt(kb, 10) + "K"
}
