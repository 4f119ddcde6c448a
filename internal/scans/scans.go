// Package scans 实现仪表盘的结果加载与扫描提交。
package scans

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitushen/escudo/internal/api"
	"github.com/hitushen/escudo/internal/models"
)

// 展示给用户的提示文案。
const (
	MsgInvalidIP    = "Ingresa una IP válida"
	MsgScanStarted  = "Escaneo iniciado"
	MsgScanFailed   = "Error al escanear"
	MsgLoadFailed   = "Error al cargar resultados"
	MsgNoResultsYet = "No hay resultados aún."
)

//go:generate mockgen -source=scans.go -destination=mocks/mock_backend.go -package=mocks

// Backend 是仪表盘需要的后端调用。
type Backend interface {
	StartScan(ctx context.Context, ip string) (*models.ScanResult, error)
	ListResults(ctx context.Context) ([]models.ScanResult, error)
}

type scanRequest struct {
	IP string `validate:"required"`
}

var validate = validator.New()

// CleanIP 裁剪输入；为空时返回 ValidationError。
// 地址格式由后端校验。
func CleanIP(input string) (string, error) {
	req := scanRequest{IP: strings.TrimSpace(input)}
	if err := validate.Struct(req); err != nil {
		return "", &api.ValidationError{Field: "ip", Message: MsgInvalidIP}
	}
	return req.IP, nil
}

// List 获取全部扫描结果。
func List(ctx context.Context, b Backend) ([]models.ScanResult, error) {
	return b.ListResults(ctx)
}

// Submit 提交扫描并立即刷新结果列表。
// 后端可能尚未写入本次扫描，返回的列表不一定包含它。
func Submit(ctx context.Context, b Backend, input string) ([]models.ScanResult, error) {
	ip, err := CleanIP(input)
	if err != nil {
		return nil, err
	}
	if _, err := b.StartScan(ctx, ip); err != nil {
		return nil, err
	}
	return b.ListResults(ctx)
}
