package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// MediaType distinguishes movies from series
type MediaType string

const (
	MediaTypeMovie   MediaType = "movie"
	MediaTypeTV      MediaType = "tv"
	MediaTypeUnknown MediaType = ""
)

// IntList is an integer slice stored as a JSON text column
type IntList []int

// Value implements driver.Valuer
func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]int(l))
	return string(data), err
}

// Scan implements sql.Scanner
func (l *IntList) Scan(src interface{}) error {
	return scanJSON(src, (*[]int)(l))
}

// Contains reports whether v is in the list
func (l IntList) Contains(v int) bool {
	for _, x := range l {
		if x == v {
			return true
		}
	}
	return false
}

// Sorted returns a sorted copy without duplicates
func (l IntList) Sorted() IntList {
	seen := make(map[int]bool, len(l))
	out := make(IntList, 0, len(l))
	for _, v := range l {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

// StringList is a string slice stored as a JSON text column
type StringList []string

// Value implements driver.Valuer
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	return string(data), err
}

// Scan implements sql.Scanner
func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, (*[]string)(l))
}

func scanJSON(src interface{}, dst interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// EpisodeRange expands begin..end into a list; an end before begin means a
// single episode. Zero is a valid number (specials, season 0).
func EpisodeRange(begin, end int) IntList {
	if begin < 0 {
		return nil
	}
	if end < begin {
		end = begin
	}
	out := make(IntList, 0, end-begin+1)
	for e := begin; e <= end; e++ {
		out = append(out, e)
	}
	return out
}
