/*
 * Copyright 2026 The Skiff Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package validation provides validation functions with human-readable
// messages.
package validation

import (
	"fmt"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
)

var (
	defaultValidator = validator.New()

	// trans is the translator for validation error messages.
	trans ut.Translator
)

func init() {
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator(enLocale.Locale())
	if err := entranslations.RegisterDefaultTranslations(defaultValidator, trans); err != nil {
		panic(err)
	}
}

// Violation is one human-readable validation failure.
type Violation struct {
	Tag         string
	Description string
}

// StructError aggregates the violations of a struct validation.
type StructError struct {
	Violations []Violation
}

func (e *StructError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid struct"
	}
	return fmt.Sprintf("invalid struct: %s", e.Violations[0].Description)
}

// ValidateStruct validates the tagged fields of the given struct.
func ValidateStruct(s any) error {
	if err := defaultValidator.Struct(s); err != nil {
		invalidErr := &StructError{}
		for _, err := range err.(validator.ValidationErrors) {
			invalidErr.Violations = append(invalidErr.Violations, Violation{
				Tag:         err.Tag(),
				Description: err.Translate(trans),
			})
		}
		return invalidErr
	}
	return nil
}

// RegisterValidation registers a custom validation tag.
func RegisterValidation(tag string, fn validator.Func) error {
	return defaultValidator.RegisterValidation(tag, fn)
}

// RegisterTranslation registers the message of a custom validation tag.
func RegisterTranslation(tag, message string) error {
	return defaultValidator.RegisterTranslation(
		tag,
		trans,
		func(ut ut.Translator) error {
			return ut.Add(tag, message, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, fe.Field())
			return t
		},
	)
}
