package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"

	xerrors "stark-backend/internal/errors"
	"stark-backend/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验请求携带的 Bearer 令牌。
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService 根据配置构建认证服务。模式为空时视为关闭认证。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeToken:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的认证模式: %s", cfg.Mode))
	}

	seen := make(map[[sha256.Size]byte]string, len(cfg.Tokens))
	for idx, token := range cfg.Tokens {
		secret := strings.TrimSpace(token.Secret)
		if secret == "" && token.SecretEnv != "" {
			secret = strings.TrimSpace(os.Getenv(token.SecretEnv))
		}
		name := strings.TrimSpace(token.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", idx)
		}
		if secret == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("令牌 %s 未配置密钥", name))
		}
		digest := sha256.Sum256([]byte(secret))
		if other, dup := seen[digest]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("令牌 %s 与 %s 的密钥重复", name, other))
		}
		seen[digest] = name
		s.credentials = append(s.credentials, credential{
			digest: digest,
			subject: Subject{
				Name:        name,
				Permissions: append([]string(nil), token.Permissions...),
				Disabled:    token.Disabled,
			},
		})
	}
	if len(s.credentials) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "token 模式至少需要配置一个令牌")
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var matched *credential
	for idx := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], s.credentials[idx].digest[:]) == 1 {
			matched = &s.credentials[idx]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject := matched.subject
	subject.Permissions = append([]string(nil), matched.subject.Permissions...)
	subject.permissionsSet = nil
	return &subject, nil
}
