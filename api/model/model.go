/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"errors"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/reelflow/reelflow/model"
)

const maxScriptLength = 20000

func validateURL(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return errors.New("invalid type for url")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) url")
	}
	return nil
}

func validateStage(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return errors.New("invalid type for stage")
	}
	_, err := model.ParseStage(raw)
	return err
}

func (w *CreateWorkflow) ValidateCreateWorkflow() error {
	return validation.ValidateStruct(w,
		validation.Field(&w.Type, validation.Required, validation.In(
			string(model.ContentArticle), string(model.ContentListing), string(model.ContentSegment),
		)),
		validation.Field(&w.SourceID, validation.Required, validation.Length(1, 255)),
		validation.Field(&w.Title, validation.Required, validation.Length(1, 500)),
		validation.Field(&w.Script, validation.Required, validation.Length(1, maxScriptLength)),
		validation.Field(&w.Caption, validation.Length(0, 2200)),
		validation.Field(&w.SourceURL, validation.When(w.SourceURL != "", validation.By(validateURL))),
	)
}

func (l *ListWorkflows) ValidateListWorkflows() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.Stage, validation.When(l.Stage != "", validation.By(validateStage))),
		validation.Field(&l.Limit, validation.Min(0), validation.Max(model.MaxListLimit)),
		validation.Field(&l.Offset, validation.Min(0)),
	)
}

func (c *CancelWorkflow) ValidateCancelWorkflow() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Reason, validation.Length(0, 500)),
	)
}
