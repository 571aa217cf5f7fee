// Package auth 为运维 API 提供基于静态 Bearer 令牌的认证与按方法授权。
package auth
