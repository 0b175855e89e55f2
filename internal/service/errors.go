package service

import "errors"

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrProviderUnavailable = errors.New("purchase provider unavailable")
	ErrStoreWrite          = errors.New("entitlement store write failed")
	ErrUnknownProduct      = errors.New("unknown product")
	ErrUnknownFeature      = errors.New("unknown feature")
	ErrSyncDeferred        = errors.New("entitlement sync deferred after retries")
	ErrInvalidTransfer     = errors.New("invalid entitlement transfer")
	ErrUnknownAppUser      = errors.New("unknown app user")
)

// IsTransient 只有存储写入失败和渠道不可用值得重试
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreWrite) || errors.Is(err, ErrProviderUnavailable)
}
