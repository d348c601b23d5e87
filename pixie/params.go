// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pixie

// ChanParams lists the channel-level DSP parameters of a Pixie-16 module.
var ChanParams = []string{
	"TRIGGER_RISETIME", "TRIGGER_FLATTOP", "TRIGGER_THRESHOLD",
	"ENERGY_RISETIME", "ENERGY_FLATTOP", "TAU", "TRACE_LENGTH",
	"TRACE_DELAY", "VOFFSET", "XDT", "BASELINE_PERCENT", "EMIN",
	"BINFACTOR", "CHANNEL_CSRA", "CHANNEL_CSRB", "BLCUT",
	"ExternDelayLen", "ExtTrigStretch", "ChanTrigStretch", "FtrigoutDelay",
	"FASTTRIGBACKLEN", "CFDDelay", "CFDScale", "CFDThresh",
	"QDCLen0", "QDCLen1", "QDCLen2", "QDCLen3",
	"QDCLen4", "QDCLen5", "QDCLen6", "QDCLen7",
	"VetoStretch", "MultiplicityMaskL", "MultiplicityMaskH",
}

// ModParams lists the module-level DSP parameters of a Pixie-16 module.
var ModParams = []string{
	"MODULE_CSRA", "MODULE_CSRB", "MODULE_FORMAT", "MAX_EVENTS",
	"SYNCH_WAIT", "IN_SYNCH", "SLOW_FILTER_RANGE", "FAST_FILTER_RANGE",
	"ModuleID", "TrigConfig0", "TrigConfig1", "TrigConfig2", "TrigConfig3",
	"FastTrigBackplaneEna", "CrateID", "SlotID", "HOST_RT_PRESET",
}

// CSRABits names the CHANNEL_CSRA bits, by bit position.
var CSRABits = []string{
	0:  "FTRIGSEL",
	1:  "EXTTRIGSEL",
	2:  "GOOD",
	3:  "CHANTRIGSEL",
	4:  "SYNCDATAACQ",
	5:  "POLARITY",
	6:  "VETOENA",
	7:  "HISTOE",
	8:  "TRACEENA",
	9:  "QDCENA",
	10: "CFDMODE",
	11: "GLOBTRIG",
	12: "ESUMSENA",
	13: "CHANTRIG",
	14: "ENARELAY",
	15: "PILEUPCTRL",
	16: "INVERSEPILEUP",
	17: "ENAENERGYCUT",
	18: "GROUPTRIGSEL",
}
