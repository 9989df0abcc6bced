package core

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/loanconsult/crm/internal/apperr"
	"github.com/loanconsult/crm/internal/auth"
	"github.com/loanconsult/crm/internal/store"
)

var exportHeader = []string{
	"id", "name", "phone", "email", "line_user_id", "source", "status", "assigned_to", "latest_case_at", "created_at",
}

// ExportCSV writes every customer the caller may see as CSV. The UTF-8 BOM
// keeps spreadsheet tools from mangling Chinese names.
func (s *CustomerService) ExportCSV(ctx context.Context, p *auth.Principal, w io.Writer) error {
	if err := requireRole(p, store.RoleManager); err != nil {
		return err
	}
	customers, err := s.List(ctx, p, store.CustomerFilter{})
	if err != nil {
		return err
	}
	if err := WriteCustomersCSV(w, customers); err != nil {
		return apperr.Wrap(apperr.Internal, "failed to write export", err)
	}
	return nil
}

func WriteCustomersCSV(w io.Writer, customers []store.Customer) error {
	if _, err := io.WriteString(w, "\ufeff"); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, c := range customers {
		record := []string{
			strconv.FormatInt(c.ID, 10),
			c.Name,
			c.Phone,
			c.Email,
			deref(c.LineUserID),
			c.Source,
			c.Status,
			"",
			"",
			c.CreatedAt.UTC().Format(time.RFC3339),
		}
		if c.AssignedTo != nil {
			record[7] = strconv.FormatInt(*c.AssignedTo, 10)
		}
		if c.LatestCaseAt != nil {
			record[8] = c.LatestCaseAt.UTC().Format(time.RFC3339)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
