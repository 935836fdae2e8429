package voice

import "time"

// timeNow is swapped out by deadline tests.
var timeNow = time.Now
