package dto

// BaseError универсальный корневой формат ошибки
// Code: машинно-ориентированный код (snake_case)
// Message: краткое человеко-читаемое описание
// Fields: для валидационных ошибок (имя поля + текст)
type BaseError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details string       `json:"details,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// FieldError отдельная ошибка по конкретному полю
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Tag     string `json:"tag,omitempty"`
}

// ValidationErrorResponse 400
// Code: "validation_error"
type ValidationErrorResponse BaseError

// NotFoundErrorResponse 404
// Code: "not_found"
type NotFoundErrorResponse BaseError

// ConflictErrorResponse 409
// Пример: ветка TCC уже отменена
// Code: "conflict"
type ConflictErrorResponse BaseError

// InsufficientStockResponse 409
// Code: "insufficient_stock", плюс запрошенное и доступное количество
type InsufficientStockResponse struct {
	BaseError
	SkuID       string `json:"sku_id"`
	WarehouseID string `json:"warehouse_id"`
	Requested   int64  `json:"requested"`
	Available   int64  `json:"available"`
}

// SystemBusyResponse 503
// Блокировка занята или обновление потерялось после всех повторов
// Code: "system_busy"
type SystemBusyResponse BaseError

// InternalErrorResponse 500
// Подробности только в логах
// Code: "internal_error"
type InternalErrorResponse BaseError

func NewValidationError(msg string, fields []FieldError) ValidationErrorResponse {
	return ValidationErrorResponse(BaseError{Code: "validation_error", Message: msg, Fields: fields})
}
func NewNotFoundError(msg string) NotFoundErrorResponse {
	return NotFoundErrorResponse(BaseError{Code: "not_found", Message: msg})
}
func NewConflictError(msg string) ConflictErrorResponse {
	return ConflictErrorResponse(BaseError{Code: "conflict", Message: msg})
}
func NewInsufficientStockError(msg, skuID, warehouseID string, requested, available int64) InsufficientStockResponse {
	return InsufficientStockResponse{
		BaseError:   BaseError{Code: "insufficient_stock", Message: msg},
		SkuID:       skuID,
		WarehouseID: warehouseID,
		Requested:   requested,
		Available:   available,
	}
}
func NewSystemBusyError() SystemBusyResponse {
	return SystemBusyResponse(BaseError{Code: "system_busy", Message: "system busy, please retry"})
}
func NewInternalError() InternalErrorResponse {
	return InternalErrorResponse(BaseError{Code: "internal_error", Message: "internal server error"})
}
