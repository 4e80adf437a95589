package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OrderAudit 一条订单审计流水（含被拒绝和 dry-run 的尝试）
type OrderAudit struct {
	ID        int64   `json:"id"`
	Epic      string  `json:"epic"`
	Direction string  `json:"direction"`
	Size      float64 `json:"size"`
	PreviewID *string `json:"preview_id,omitempty"`
	Outcome   string  `json:"outcome"`
	ErrorCode *string `json:"error_code,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func (s *Server) insertOrderAudit(ctx context.Context, a OrderAudit) (*OrderAudit, error) {
	if a.Outcome == "" {
		a.Outcome = "submitted"
	}
	a.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
INSERT INTO order_audit (epic,direction,size,preview_id,outcome,error_code,created_at)
VALUES (?,?,?,?,?,?,?)
`, a.Epic, a.Direction, a.Size, a.PreviewID, a.Outcome, a.ErrorCode, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order audit: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return &a, nil
}

func (s *Server) listOrderAudits(ctx context.Context, limit int) ([]OrderAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,epic,direction,size,preview_id,outcome,error_code,created_at
FROM order_audit ORDER BY created_at DESC, id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []OrderAudit{}
	for rows.Next() {
		var a OrderAudit
		var previewID, errorCode sql.NullString
		if err := rows.Scan(&a.ID, &a.Epic, &a.Direction, &a.Size, &previewID, &a.Outcome, &errorCode, &a.CreatedAt); err != nil {
			return nil, err
		}
		if previewID.Valid && strings.TrimSpace(previewID.String) != "" {
			v := previewID.String
			a.PreviewID = &v
		}
		if errorCode.Valid && strings.TrimSpace(errorCode.String) != "" {
			v := errorCode.String
			a.ErrorCode = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
