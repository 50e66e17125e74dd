package service

import "stock-service/internal/models"

type tccPhase string

const (
	phaseTry     tccPhase = "try"
	phaseConfirm tccPhase = "confirm"
	phaseCancel  tccPhase = "cancel"
)

type tccAction int

const (
	tccNoop        tccAction = iota // повтор, ничего не меняем
	tccReserve                      // available -> locked, запись TRYING
	tccDeduct                       // locked и total уменьшаются, TRYING -> CONFIRMED
	tccRestore                      // locked -> available, TRYING -> CANCELLED
	tccPlaceholder                  // пустой откат: запись CANCELLED без движения остатка
)

type tccStep struct {
	action tccAction
	result bool
	err    error
}

// decideTcc: единственное место, где решается судьба ветки по текущему статусу и фазе.
// current == nil означает, что записи по business key ещё нет.
func decideTcc(current *models.TccStatus, phase tccPhase) tccStep {
	if current == nil {
		switch phase {
		case phaseTry:
			return tccStep{action: tccReserve, result: true}
		case phaseConfirm:
			// confirm без try: ничего не списываем
			return tccStep{action: tccNoop, result: false}
		default:
			return tccStep{action: tccPlaceholder, result: true}
		}
	}

	switch *current {
	case models.TccTrying:
		switch phase {
		case phaseTry:
			return tccStep{action: tccNoop, result: true}
		case phaseConfirm:
			return tccStep{action: tccDeduct, result: true}
		default:
			return tccStep{action: tccRestore, result: true}
		}
	case models.TccConfirmed:
		if phase == phaseCancel {
			return tccStep{action: tccNoop, result: false}
		}
		return tccStep{action: tccNoop, result: true}
	case models.TccCancelled:
		switch phase {
		case phaseTry:
			return tccStep{action: tccNoop, result: false, err: ErrTccAlreadyCancelled}
		case phaseConfirm:
			return tccStep{action: tccNoop, result: false}
		default:
			return tccStep{action: tccNoop, result: true}
		}
	}
	return tccStep{action: tccNoop, result: false}
}
