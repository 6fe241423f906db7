package errors

type ErrorCode int

const (
	ErrInvalidConfig ErrorCode = iota + 1
	ErrPersistence
	ErrRender
	ErrIdentifier
)

func (c ErrorCode) String() string {
	switch c {
	case ErrInvalidConfig:
		return "invalid_config"
	case ErrPersistence:
		return "persistence"
	case ErrRender:
		return "render"
	case ErrIdentifier:
		return "identifier"
	default:
		return "unknown"
	}
}

type MetricsError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *MetricsError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *MetricsError) Unwrap() error {
	return e.Err
}

// Is 按错误码比较，便于 errors.Is(err, &MetricsError{Code: ErrRender})
func (e *MetricsError) Is(target error) bool {
	t, ok := target.(*MetricsError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func New(code ErrorCode, message string, err error) *MetricsError {
	return &MetricsError{Code: code, Message: message, Err: err}
}

// HasCode 判断错误链中是否存在指定错误码
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if me, ok := err.(*MetricsError); ok && me.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
