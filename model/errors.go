package model

import errs "IMDeliver/tools/errs"

func errMissing(field string) error {
	return errs.ErrValidation.WithDetail("missing " + field)
}
