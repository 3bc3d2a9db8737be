// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file provides hardcoded example documents used as few-shot examples in
// prompts, so the generative model answers with the exact JSON shape we parse.
package model

// GetExampleAnnotation returns a sample annotation for a short video.
func GetExampleAnnotation() *MediaAnnotation {
	return &MediaAnnotation{
		Title:       "Sunset surf session at the point",
		Description: "Two surfers paddle out at golden hour and ride long right-hand waves while the sun sets behind the headland.",
		Tags:        []string{"beach", "surfing", "sunset", "ocean", "waves", "outdoor"},
	}
}

// GetExamplePhotoAnnotation returns a sample annotation for a photo.
func GetExamplePhotoAnnotation() *MediaAnnotation {
	return &MediaAnnotation{
		Title:       "Birthday cake with candles",
		Description: "A chocolate layer cake with lit candles on a kitchen table, children gathered around it.",
		Tags:        []string{"birthday", "cake", "candles", "party", "family", "indoor"},
	}
}
