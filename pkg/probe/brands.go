/*
 * Copyright 2025 Carver Automation Corporation.
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

package probe

import (
	"slices"
	"strings"
)

var brandKeywords = []struct {
	brand    string
	keywords []string
}{
	{"hikvision", []string{"hikvision", "dnvrs-webs", "app-webs"}},
	{"intelbras", []string{"intelbras"}},
	{"dahua", []string{"dahua", "dh_web"}},
	{"axis", []string{"axis"}},
	{"vivotek", []string{"vivotek"}},
	{"foscam", []string{"foscam", "ipcam_"}},
	{"reolink", []string{"reolink"}},
	{"hanwha", []string{"hanwha", "wisenet", "samsung techwin"}},
}

var portHints = map[int]string{
	37777: "intelbras",
	8000:  "hikvision",
	4520:  "hanwha",
	88:    "foscam",
}

var rtspTemplates = map[string][]string{
	"hikvision": {"/Streaming/Channels/101", "/Streaming/Channels/1", "/h264/ch1/main/av_stream"},
	"dahua":     {"/cam/realmonitor?channel=1&subtype=0"},
	"intelbras": {"/cam/realmonitor?channel=1&subtype=0"},
	"axis":      {"/axis-media/media.amp"},
	"vivotek":   {"/live.sdp"},
	"foscam":    {"/videoMain"},
	"reolink":   {"/h264Preview_01_main"},
	"hanwha":    {"/profile2/media.smp"},
}

var genericPaths = []string{"/stream1", "/live", "/"}

// BrandFromText matches brand keywords in a Server header or page body.
func BrandFromText(s string) string {
	s = strings.ToLower(s)

	for _, b := range brandKeywords {
		for _, kw := range b.keywords {
			if strings.Contains(s, kw) {
				return b.brand
			}
		}
	}

	return ""
}

// BrandFromPorts guesses a brand from vendor-specific open ports.
func BrandFromPorts(ports []int) string {
	for _, p := range ports {
		if b, ok := portHints[p]; ok {
			return b
		}
	}

	return ""
}

// PathsFor lists RTSP paths to try for brand, most specific first.
func PathsFor(brand string, extra []string) []string {
	var out []string

	add := func(p string) {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}

	for _, p := range rtspTemplates[strings.ToLower(brand)] {
		add(p)
	}

	for _, p := range extra {
		add(p)
	}

	for _, p := range genericPaths {
		add(p)
	}

	return out
}
