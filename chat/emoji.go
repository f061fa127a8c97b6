////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

// InvalidReaction is returned when a reaction is not exactly one emoji.
var InvalidReaction = errors.New("The reaction is not valid, " +
	"it must be a single emoji")

// ValidateReaction checks that the reaction only contains a single Emoji.
func ValidateReaction(reaction string) error {
	if len(gomoji.RemoveEmojis(reaction)) > 0 {
		return InvalidReaction
	}

	if len(gomoji.FindAll(reaction)) != 1 {
		return InvalidReaction
	}

	return nil
}
