package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ScanEntry 表示一次扫描发现的单个端口/服务记录。
type ScanEntry struct {
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
	State    string `json:"state,omitempty"`
	Service  string `json:"service,omitempty"`
	Product  string `json:"product,omitempty"`
	Version  string `json:"version,omitempty"`
}

// HostEntries 是某个主机下按顺序排列的扫描记录。
type HostEntries struct {
	Host    string
	Entries []ScanEntry
}

// ScanPayload 保留服务端返回的主机键顺序。
type ScanPayload []HostEntries

// ScanResult 表示一次扫描任务的结果。
type ScanResult struct {
	ID          int64       `json:"id"`
	IP          string      `json:"ip"`
	ScanPayload ScanPayload `json:"scan_payload"`
	CreatedAt   string      `json:"created_at,omitempty"`
}

// Row 是结果表中的一行。
type Row struct {
	ScanID int64
	Host   string
	Entry  ScanEntry
}

// UnmarshalJSON 逐个读取对象键，以保持主机顺序。
func (p *ScanPayload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("scan_payload: expected object, got %v", tok)
	}

	out := make(ScanPayload, 0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		host, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("scan_payload: unexpected key %v", keyTok)
		}
		var entries []ScanEntry
		if err := dec.Decode(&entries); err != nil {
			return fmt.Errorf("scan_payload[%s]: %w", host, err)
		}
		out = append(out, HostEntries{Host: host, Entries: entries})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// MarshalJSON 按保存的顺序输出对象。
func (p ScanPayload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, h := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(h.Host)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		entries := h.Entries
		if entries == nil {
			entries = []ScanEntry{}
		}
		raw, err := json.Marshal(entries)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Entries 返回指定主机的记录，不存在时返回 nil。
func (p ScanPayload) Entries(host string) []ScanEntry {
	for _, h := range p {
		if h.Host == host {
			return h.Entries
		}
	}
	return nil
}

// Flatten 将扫描结果展开为 (扫描, 主机, 记录) 行。
// 顺序依次遵循结果顺序、主机顺序与记录顺序。
func Flatten(results []ScanResult) []Row {
	rows := make([]Row, 0)
	for _, scan := range results {
		for _, h := range scan.ScanPayload {
			for _, entry := range h.Entries {
				rows = append(rows, Row{ScanID: scan.ID, Host: h.Host, Entry: entry})
			}
		}
	}
	return rows
}

// Cells 返回用于表格展示的单元格，空字段显示为 "-"。
func (r Row) Cells() []string {
	return []string{
		strconv.FormatInt(r.ScanID, 10),
		r.Host,
		r.Entry.Protocol,
		strconv.Itoa(r.Entry.Port),
		orDash(r.Entry.State),
		orDash(r.Entry.Service),
		orDash(r.Entry.Product),
		orDash(r.Entry.Version),
	}
}

// TableHeader 为结果表的列名。
var TableHeader = []string{"Scan ID", "Host", "Protocolo", "Puerto", "Estado", "Servicio", "Producto", "Versión"}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
