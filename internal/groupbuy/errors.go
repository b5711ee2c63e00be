package groupbuy

import "errors"

// 参团失败分类。除 ErrStoreUnavailable 外都是确定性的业务错误，调用方不应重试。
var (
	ErrUnauthenticated  = errors.New("please sign in to join a group")
	ErrNotFound         = errors.New("group not found")
	ErrAlreadyJoined    = errors.New("you have already joined this group")
	ErrGroupFull        = errors.New("group is already full")
	ErrGroupClosed      = errors.New("group is no longer open")
	ErrGroupExpired     = errors.New("group has expired")
	ErrStoreUnavailable = errors.New("service temporarily unavailable, please retry")
	ErrInvalidInput     = errors.New("invalid input")
	ErrProductNotFound  = errors.New("product not found")
)

// Reason 把错误映射为稳定的机器可读原因码，前端据此选择提示与动作。
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrGroupFull):
		return "group_full"
	case errors.Is(err, ErrGroupClosed):
		return "group_closed"
	case errors.Is(err, ErrGroupExpired):
		return "group_expired"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	default:
		return "store_unavailable"
	}
}

// Retryable 只有存储不可用可以重试；重试安全性由 ErrAlreadyJoined 保证。
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
