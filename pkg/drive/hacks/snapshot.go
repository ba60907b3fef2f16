// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hacks

import "sort"

type CategorySnapshot struct {
	Category  string `json:"category"`
	State     string `json:"state"`
	Attempts  uint8  `json:"attempts"`
	Successes uint8  `json:"successes"`
}

// Snapshot is a point in time copy of everything a Tracker has learned.
type Snapshot struct {
	Categories                []CategorySnapshot `json:"categories"`
	NoModePages               bool               `json:"no_mode_pages"`
	PreferMode6ForSubpageZero bool               `json:"prefer_mode6_for_subpage_zero"`
	NoMode6Subpages           bool               `json:"no_mode6_subpages"`
	NoMode10Subpages          bool               `json:"no_mode10_subpages"`
	NoLLBAA                   bool               `json:"no_llbaa"`
	NoLogSubpages             bool               `json:"no_log_subpages"`
	NoReportingOptions        bool               `json:"no_rsoc_reporting_options"`
	UnsupportedModePages      []uint8            `json:"unsupported_mode_pages,omitempty"`
	UnsupportedLogPages       []uint8            `json:"unsupported_log_pages,omitempty"`
	UnsupportedVPDPages       []uint8            `json:"unsupported_vpd_pages,omitempty"`
	UnsupportedModePC         []uint8            `json:"unsupported_mode_page_controls,omitempty"`
	UnsupportedLogPC          []uint8            `json:"unsupported_log_page_controls,omitempty"`
}

func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		NoModePages:               t.NoModePages(),
		PreferMode6ForSubpageZero: t.PreferMode6ForSubpageZero(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range Categories {
		s.Categories = append(s.Categories, CategorySnapshot{
			Category:  c.String(),
			State:     t.cats[c].state.String(),
			Attempts:  t.cats[c].attempts,
			Successes: t.cats[c].successes,
		})
	}
	s.NoMode6Subpages = t.noModeSubpages[Mode6]
	s.NoMode10Subpages = t.noModeSubpages[Mode10]
	s.NoLLBAA = t.noLLBAA
	s.NoLogSubpages = t.noLogSubpages
	s.NoReportingOptions = t.noRSOCOptions
	s.UnsupportedModePages = keys(t.modePages)
	s.UnsupportedLogPages = keys(t.logPages)
	s.UnsupportedVPDPages = keys(t.vpdPages)
	s.UnsupportedModePC = indexes(t.noModePC)
	s.UnsupportedLogPC = indexes(t.noLogPC)
	return s
}

func indexes(flags [4]bool) []uint8 {
	var r []uint8
	for i, set := range flags {
		if set {
			r = append(r, uint8(i))
		}
	}
	return r
}

func keys(m map[uint8]bool) []uint8 {
	var r []uint8
	for k := range m {
		r = append(r, k)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}
