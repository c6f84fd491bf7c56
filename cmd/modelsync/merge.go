package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// applySources folds upstream metadata into the catalog entries and
// returns how many entries changed. Catwalk wins on pricing and limits,
// models.dev fills capability flags and anything Catwalk missed. The
// agentic flag is hand-curated and never touched.
func applySources(cat *catalogFile, catwalk map[string]catwalkModel, supplements map[string]*modelsDevModel) int {
	changed := 0
	for i := range cat.Models {
		entry := &cat.Models[i]
		if entry.ID == "auto" {
			continue
		}
		before := *entry

		if cw, ok := lookupCatwalk(entry, catwalk); ok {
			if cw.CostPer1MIn > 0 {
				entry.InputPricePerMillion = cw.CostPer1MIn
			}
			if cw.CostPer1MOut > 0 {
				entry.OutputPricePerMillion = cw.CostPer1MOut
			}
			if cw.ContextWindow > 0 {
				entry.ContextWindow = int(cw.ContextWindow)
			}
			if cw.DefaultMaxTokens > 0 {
				entry.MaxOutput = int(cw.DefaultMaxTokens)
			}
			if cw.CanReason != nil && *cw.CanReason {
				entry.Capabilities.Reasoning = true
			}
		}

		if md, ok := supplements[entry.ID]; ok {
			if entry.InputPricePerMillion == 0 && md.Cost.Input > 0 {
				entry.InputPricePerMillion = md.Cost.Input
			}
			if entry.OutputPricePerMillion == 0 && md.Cost.Output > 0 {
				entry.OutputPricePerMillion = md.Cost.Output
			}
			if entry.ContextWindow == 0 && md.Limit.Context > 0 {
				entry.ContextWindow = int(md.Limit.Context)
			}
			if entry.MaxOutput == 0 && md.Limit.Output > 0 {
				entry.MaxOutput = int(md.Limit.Output)
			}
			if md.Reasoning {
				entry.Capabilities.Reasoning = true
			}
			if md.Attachment || hasImageInput(md) {
				entry.Capabilities.Vision = true
			}
			if md.ToolCall != nil && *md.ToolCall {
				entry.Capabilities.ToolUse = true
			}
		}

		if *entry != before {
			changed++
			fmt.Fprintf(os.Stderr, "  updated: %s\n", entry.ID)
		}
	}
	return changed
}

func lookupCatwalk(entry *catalogEntry, catwalk map[string]catwalkModel) (catwalkModel, bool) {
	cwName, ok := catwalkSource[entry.Family]
	if !ok {
		return catwalkModel{}, false
	}
	cw, ok := catwalk[cwName+"/"+upstreamID(entry.ID)]
	return cw, ok
}

func hasImageInput(md *modelsDevModel) bool {
	for _, in := range md.Modalities.Input {
		if strings.EqualFold(in, "image") {
			return true
		}
	}
	return false
}

// reportDrift lists upstream models no catalog entry claims, so new
// releases show up in the sync output instead of going unnoticed.
func reportDrift(cat *catalogFile, catwalk map[string]catwalkModel) {
	claimed := make(map[string]bool, len(cat.Models))
	for _, m := range cat.Models {
		if cwName, ok := catwalkSource[m.Family]; ok {
			claimed[cwName+"/"+upstreamID(m.ID)] = true
		}
	}

	var unclaimed []string
	for key := range catwalk {
		if !claimed[key] {
			unclaimed = append(unclaimed, key)
		}
	}
	if len(unclaimed) == 0 {
		return
	}
	sort.Strings(unclaimed)

	const maxShown = 20
	fmt.Fprintf(os.Stderr, "modelsync: %d upstream models not in the catalog:\n", len(unclaimed))
	for i, key := range unclaimed {
		if i == maxShown {
			fmt.Fprintf(os.Stderr, "  ... and %d more\n", len(unclaimed)-maxShown)
			break
		}
		fmt.Fprintf(os.Stderr, "  - %s\n", key)
	}
}
