package orchestrator

import (
	"regexp"
	"strings"

	"github.com/freedkr/docgather/internal/model"
)

// periodFieldNames are the period-shaped fields the taxonomy registers
// across document types (payslip, bank statement, insurance, probation);
// any of them seeds the validity window.
var periodFieldNames = []string{"period", "payPeriod", "bankStatementPeriod", "coveragePeriod", "probationPeriod"}

var (
	reFullDate  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	reYearMonth = regexp.MustCompile(`^\d{4}-\d{2}$`)
	reYearOnly  = regexp.MustCompile(`^\d{4}$`)
	reAcademic  = regexp.MustCompile(`^(\d{4})/(\d{4})$`)
)

// inferDates derives (documentDate, validFrom, validUntil) from a
// normalization result's fields. Any of the three may come back empty when
// nothing in fields supplies it.
func inferDates(norm *model.NormalizationResult) (documentDate, validFrom, validUntil string) {
	if norm == nil || norm.Fields == nil {
		return "", "", ""
	}
	fields := norm.Fields

	for _, name := range periodFieldNames {
		start, end, ok := asPeriod(fields[name])
		if !ok {
			continue
		}
		if d := parseDate(start); d != "" {
			validFrom = d
		}
		if d := parseDate(end); d != "" {
			validUntil = d
			documentDate = d
		}
	}

	if d := parseDate(asString(fields["billDate"])); d != "" {
		documentDate = d
	}
	if d := parseDate(asString(fields["receiptDate"])); d != "" {
		documentDate = d
	}

	if d := parseDate(asString(fields["startDate"])); d != "" {
		validFrom = d
		if documentDate == "" {
			documentDate = d
		}
	}

	if fy := strings.TrimSpace(asString(fields["fiscalYear"])); reYearOnly.MatchString(fy) {
		validFrom = fy + "-01-01"
		validUntil = fy + "-12-31"
	}

	if ay := strings.TrimSpace(asString(fields["academicYear"])); true {
		if m := reAcademic.FindStringSubmatch(ay); m != nil {
			validFrom = m[1] + "-09-01"
			validUntil = m[2] + "-08-31"
		}
	}

	if dates, ok := fields["dates"].(map[string]interface{}); ok {
		if d := parseDate(asString(dates["issueDate"])); d != "" {
			if documentDate == "" {
				documentDate = d
			}
			if validFrom == "" {
				validFrom = d
			}
		}
		if d := parseDate(asString(dates["expiryDate"])); d != "" && validUntil == "" {
			validUntil = d
		}
	}

	return documentDate, validFrom, validUntil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// asPeriod reads a {startDate,endDate} period object out of a normalized
// field value of unknown shape.
func asPeriod(v interface{}) (start, end string, ok bool) {
	m, isMap := v.(map[string]interface{})
	if !isMap {
		return "", "", false
	}
	return asString(m["startDate"]), asString(m["endDate"]), true
}

// parseDate accepts YYYY-MM-DD, YYYY-MM (defaulted to the 1st) and YYYY
// (defaulted to Jan 1st); anything else yields "".
func parseDate(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case reFullDate.MatchString(s):
		return s
	case reYearMonth.MatchString(s):
		return s + "-01"
	case reYearOnly.MatchString(s):
		return s + "-01-01"
	default:
		return ""
	}
}
