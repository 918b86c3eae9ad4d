package crm

import "strings"

// OtherBucket is the dimension bucket for records without a known value
const OtherBucket = "Outros"

// NormalizeDimension trims a dimension value and maps empty values to OtherBucket
func NormalizeDimension(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return OtherBucket
	}
	return v
}
